package orders

// Status is the order lifecycle state. Transitions follow the directed
// graph below; admins may override any edge.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusAccepted  Status = "Accepted"
	StatusRejected  Status = "Rejected"
	StatusCancelled Status = "Cancelled"
	StatusPacked    Status = "Packed"
	StatusShipped   Status = "Shipped"
	StatusDelivered Status = "Delivered"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:   {StatusAccepted: true, StatusRejected: true, StatusCancelled: true},
	StatusAccepted:  {StatusPacked: true, StatusCancelled: true},
	StatusPacked:    {StatusShipped: true},
	StatusShipped:   {StatusDelivered: true},
	StatusRejected:  {},
	StatusCancelled: {},
	StatusDelivered: {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func ParseStatus(s string) (Status, bool) {
	st := Status(s)
	_, ok := validNext[st]
	return st, ok
}

func (s Status) Terminal() bool {
	return len(validNext[s]) == 0
}

// Cancellable reports whether a customer may still cancel: only before
// fulfillment starts.
func (s Status) Cancellable() bool {
	return s == StatusPending || s == StatusAccepted
}

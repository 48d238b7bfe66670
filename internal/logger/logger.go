package logger

import "go.uber.org/zap"

// New builds the process-wide structured logger. Every log line carries the
// service name so the api and notifier processes can share one sink.
func New(service string) (*zap.Logger, error) {
	l, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return l.With(zap.String("service", service)), nil
}

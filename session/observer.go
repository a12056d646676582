package session

import (
	"go.uber.org/zap"
)

// Observer receives worker notifications. Methods are called from worker
// goroutines and must not block.
type Observer interface {
	OnError(title, message string)
	OnStatus(message string)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Error  func(title, message string)
	Status func(message string)
}

func (o ObserverFuncs) OnError(title, message string) {
	if o.Error != nil {
		o.Error(title, message)
	}
}

func (o ObserverFuncs) OnStatus(message string) {
	if o.Status != nil {
		o.Status(message)
	}
}

// Observers fans every notification out to each member in order.
type Observers []Observer

func (obs Observers) OnError(title, message string) {
	for _, o := range obs {
		o.OnError(title, message)
	}
}

func (obs Observers) OnStatus(message string) {
	for _, o := range obs {
		o.OnStatus(message)
	}
}

type logObserver struct{ log *zap.Logger }

// LogObserver writes errors at warn level and status at info level.
func LogObserver(log *zap.Logger) Observer {
	return logObserver{log: log.Named("events")}
}

func (l logObserver) OnError(title, message string) {
	l.log.Warn(title, zap.String("detail", message))
}

func (l logObserver) OnStatus(message string) {
	l.log.Info(message)
}

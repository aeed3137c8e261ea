package app

import (
	"postbot/internal/eventbus"
	"postbot/internal/metrics"
)

// sessionObserver fans actor login/logout outcomes out to metrics and the bus.
type sessionObserver struct {
	metrics *metrics.Metrics
	bus     eventbus.Bus
}

func (o sessionObserver) SessionLogin(account string, err error) {
	if o.metrics != nil {
		o.metrics.SessionLogin(account, err)
	}
	ev := eventbus.SessionEvent{Account: account}
	if err != nil {
		ev.Error = err.Error()
	}
	o.bus.Publish(eventbus.Event{Type: eventbus.SessionLogin, Data: ev})
}

func (o sessionObserver) SessionLogout(account string) {
	if o.metrics != nil {
		o.metrics.SessionLogout(account)
	}
	o.bus.Publish(eventbus.Event{Type: eventbus.SessionLogout, Data: eventbus.SessionEvent{Account: account}})
}

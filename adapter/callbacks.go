package adapter

// Callbacks is the notification contract toward the driving client library.
// All fields are optional. OnConnect fires exactly once, after the
// transport's opened signal settles successfully. OnEnd fires at most once,
// when the peer closes its write side. OnClose fires at most once and is
// terminal; err carries the fatal cause, if any. OnError may fire more than
// once, but the adapter is unusable after a fatal one.
type Callbacks struct {
	OnConnect func()
	OnData    func(p []byte)
	OnEnd     func()
	OnError   func(err error)
	OnClose   func(err error)
}

func (a *Adapter) emitConnect() {
	a.mu.Lock()
	fired := a.connectFired
	a.connectFired = true
	a.mu.Unlock()
	if fired {
		return
	}
	a.log.Debug().Msg("connected")
	if a.cb.OnConnect != nil {
		a.cb.OnConnect()
	}
}

func (a *Adapter) emitData(p []byte) {
	if a.cb.OnData != nil {
		a.cb.OnData(p)
	}
}

func (a *Adapter) emitEnd() {
	a.mu.Lock()
	fired := a.endFired
	a.endFired = true
	a.mu.Unlock()
	if fired {
		return
	}
	a.log.Debug().Msg("end of stream")
	if a.cb.OnEnd != nil {
		a.cb.OnEnd()
	}
}

func (a *Adapter) emitError(err error) {
	a.log.Debug().Err(err).Msg("error notification")
	if a.cb.OnError != nil {
		a.cb.OnError(err)
	}
}

func (a *Adapter) emitClose(err error) {
	a.mu.Lock()
	fired := a.closeFired
	a.closeFired = true
	a.mu.Unlock()
	if fired {
		return
	}
	a.log.Debug().Msg("closed")
	if a.cb.OnClose != nil {
		a.cb.OnClose(err)
	}
}

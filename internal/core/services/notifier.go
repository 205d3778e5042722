package services

import (
	"go.uber.org/zap"
)

// notifier runs observer callbacks one at a time, in the order they were
// posted, on its own goroutine. Callbacks may therefore call back into the
// controller without blocking the goroutine that posted them.
type notifier struct {
	box    *mailbox[func()]
	done   chan struct{}
	logger *zap.SugaredLogger
}

func newNotifier(logger *zap.SugaredLogger) *notifier {
	return &notifier{
		box:    newMailbox[func()](),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (n *notifier) start() {
	go n.run()
}

func (n *notifier) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	return n.box.Put(fn)
}

// Stop lets every callback posted so far run, then ends the goroutine.
func (n *notifier) Stop() {
	n.box.Put(nil)
}

func (n *notifier) Done() <-chan struct{} { return n.done }

func (n *notifier) run() {
	defer close(n.done)
	for range n.box.Ready() {
		for _, fn := range n.box.Drain() {
			if fn == nil {
				n.box.Close()
				return
			}
			n.invoke(fn)
		}
	}
}

func (n *notifier) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Errorw("Observer panicked", "panic", r)
		}
	}()
	fn()
}

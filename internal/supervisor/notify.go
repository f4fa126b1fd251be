package supervisor

import logging "github.com/ipfs/go-log/v2"

// Category classifies a notification for the presenter.
type Category string

const (
	CategoryIncomingCall Category = "incoming-call"
	CategoryOngoingCall  Category = "ongoing-call"
	CategoryNewMessage   Category = "new-message"
)

// Actions carries the callbacks a presenter may attach to notification
// buttons. Unused actions are nil.
type Actions struct {
	Accept func()
	Reject func()
	End    func()
}

// Notification is the full hand-off to the presenter. The core never
// formats user-visible text beyond a minimal status string and the peer
// identifier; rendering is entirely the presenter's job.
type Notification struct {
	Title    string
	Body     string
	Category Category
	Actions  Actions
}

// Presenter renders notifications. Implementations live in the host
// application (system tray, desktop notifications, mobile shade).
type Presenter interface {
	Present(n Notification)
	Dismiss(c Category)
}

// LogPresenter writes notifications to the log. The headless default.
type LogPresenter struct{}

var notifyLog = logging.Logger("notify")

func (LogPresenter) Present(n Notification) {
	notifyLog.Infow("notify", "category", n.Category, "title", n.Title, "body", n.Body)
}

func (LogPresenter) Dismiss(c Category) {
	notifyLog.Debugw("dismiss", "category", c)
}

package target

import "log/slog"

// NoticeController is the port to the device's web front end. While a remote
// owns the flap, the normal dashboard on port 80 is replaced by a static
// "remotely controlled" notice; serving that page is the web layer's job,
// the core only signals the moments to switch.
type NoticeController interface {
	RemoteAttached()
	RemoteDetached()
}

// LogNotice is a NoticeController that only logs the transitions, for
// deployments without the web front end wired in.
type LogNotice struct {
	Log *slog.Logger
}

func (n LogNotice) logger() *slog.Logger {
	if n.Log != nil {
		return n.Log
	}
	return slog.Default()
}

func (n LogNotice) RemoteAttached() {
	n.logger().Info("web notice: flap is now remotely controlled")
}

func (n LogNotice) RemoteDetached() {
	n.logger().Info("web notice: flap back under local control")
}

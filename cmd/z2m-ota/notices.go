package main

import (
	"fmt"
	"time"

	"github.com/nerrad567/z2m-ota/internal/infrastructure/logging"
	"github.com/nerrad567/z2m-ota/internal/ota"
)

// noticeLogger writes orchestrator notices to the service log.
type noticeLogger struct {
	log *logging.Logger
}

func newNoticeLogger(log *logging.Logger) *noticeLogger {
	return &noticeLogger{log: log}
}

// Observe implements ota.Observer.
func (l *noticeLogger) Observe(n ota.Notice) {
	d := n.Device
	name := d.Name()

	switch n.Kind {
	case ota.NoticeProgress:
		l.log.Info(progressMessage(d), "device", d.Key)

	case ota.NoticeTransition:
		switch {
		case n.Terminal:
			l.log.Error("update failed, retries exhausted",
				"device", name, "from", n.From, "retries", d.RetryCount, "reason", n.Reason)
		case n.To == ota.StateFailed || n.To == ota.StateStalled:
			l.log.Warn("update attempt failed",
				"device", name, "state", n.To, "retries", d.RetryCount, "reason", n.Reason)
		case n.To == ota.StateSucceeded:
			l.log.Info("update succeeded", "device", name, "attempt", d.Attempt())
		default:
			l.log.Info("device state changed",
				"device", name, "from", n.From, "to", n.To, "reason", n.Reason)
		}

	case ota.NoticeCommand:
		switch {
		case n.Err != "":
			l.log.Warn("failed to start update", "device", name, "error", n.Err)
		case n.DryRun:
			l.log.Info("update available, not started (dry run)", "device", name)
		default:
			l.log.Info("update started", "device", name, "attempt", d.Attempt())
		}

	case ota.NoticeCheck:
		if n.Err != "" {
			l.log.Warn("update check failed", "device", name, "error", n.Err)
			return
		}
		l.log.Debug("update check requested", "device", name)

	case ota.NoticeRemoved:
		l.log.Info("device removed", "device", name, "reason", n.Reason)
	}
}

// progressMessage renders a progress line such as
// "updating kitchen 45.00%, 10m0s remaining".
func progressMessage(d ota.Device) string {
	msg := fmt.Sprintf("updating %s %.2f%%", d.Name(), d.LastPercent)
	if d.Remaining > 0 {
		msg += fmt.Sprintf(", %s remaining", d.Remaining.Round(time.Second))
	}
	return msg
}

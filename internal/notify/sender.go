package notify

import (
	"context"
	"fmt"
	"log"
	"net/smtp"

	"stagedoor/internal/config"
)

// Sender delivers stage-call notices to performers when their signup is
// promoted into the current group. Delivery is best-effort; a lost notice
// never blocks the promotion itself.
type Sender interface {
	SendStageCall(ctx context.Context, performerID, venueName string) error
}

type LogSender struct{}

func (LogSender) SendStageCall(ctx context.Context, performerID, venueName string) error {
	_ = ctx
	log.Printf("stage call performer=%s venue=%q", performerID, venueName)
	return nil
}

type SMTPSender struct {
	host string
	port int
	from string
}

func NewSender(cfg config.Config) Sender {
	switch cfg.StageNotifySender {
	case "smtp":
		return SMTPSender{host: cfg.SMTPHost, port: cfg.SMTPPort, from: cfg.StageNotifyFrom}
	default:
		return LogSender{}
	}
}

// SendStageCall treats the performer ID as a deliverable address. Venues
// that key performers by something else should front this with their own
// Sender.
func (s SMTPSender) SendStageCall(ctx context.Context, performerID, venueName string) error {
	_ = ctx
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	body := "Subject: You're up at " + venueName + "\r\n\r\nHead to the stage door. Your group is being called now.\r\n"
	return smtp.SendMail(addr, nil, s.from, []string{performerID}, []byte(body))
}

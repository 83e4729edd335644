// Package alert notifica al operador por mail los eventos de seguridad que
// requieren intervención: refresh tokens de provider rechazados, replay de
// refresh tokens de sesión detectado.
package alert

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	mail "github.com/go-mail/mail"
	"go.uber.org/zap"

	"github.com/dropDatabas3/relaypanel/internal/observability/logger"
)

// Mailer envía alertas por SMTP. Los envíos son best-effort: un alertado que
// falla se loguea y no propaga, la operación que lo disparó ya terminó.
type Mailer struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
}

// NewMailer crea el mailer. Retorna nil si no hay host configurado: el caller
// trata un Mailer nil como alertas deshabilitadas.
func NewMailer(host string, port int, username, password, from, to string) *Mailer {
	if host == "" || to == "" {
		return nil
	}
	if port == 0 {
		port = 587
	}
	return &Mailer{Host: host, Port: port, Username: username, Password: password, From: from, To: to}
}

// Notify envía la alerta en un goroutine propio para no bloquear el caller
// (el refresher o el session service están en medio de una operación).
func (m *Mailer) Notify(ctx context.Context, subject, body string) {
	if m == nil {
		return
	}
	go m.send(subject, body)
}

func (m *Mailer) send(subject, body string) {
	log := logger.Named("alert").With(
		zap.String("host", m.Host),
		zap.String("to", m.To),
	)

	msg := mail.NewMessage()
	msg.SetHeader("From", m.From)
	msg.SetHeader("To", m.To)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body+"\n\nSent "+time.Now().UTC().Format(time.RFC3339))

	d := mail.NewDialer(m.Host, m.Port, m.Username, m.Password)
	d.TLSConfig = &tls.Config{ServerName: m.Host}

	if err := d.DialAndSend(msg); err != nil {
		log.Error("alert mail failed", logger.Err(fmt.Errorf("smtp send: %w", err)))
		return
	}
	log.Info("operator alert sent", zap.String("subject", subject))
}

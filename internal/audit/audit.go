// Package audit registra eventos de seguridad en un sink JSONL dedicado,
// separado del log operacional: el archivo es append-only y cada línea es
// un objeto JSON autocontenido, apto para shippear a un SIEM.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dropDatabas3/relaypanel/internal/observability/logger"
)

// Trail es el sink de eventos de seguridad. Un Trail nil es válido y
// descarta los eventos (solo quedan en el log operacional).
type Trail struct {
	mu sync.Mutex
	w  io.WriteCloser
}

// Open abre (o crea, append) el archivo de auditoría en path.
func Open(path string) (*Trail, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &Trail{w: f}, nil
}

// Record escribe un evento. Nunca falla hacia el caller: un sink roto se
// reporta por el log operacional y el evento igual queda ahí.
func (t *Trail) Record(ctx context.Context, event string, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["event"] = event
	fields["ts"] = time.Now().UTC().Format(time.RFC3339Nano)

	logger.From(ctx).Info("security event recorded", logger.SecurityEvent(event))

	if t == nil {
		return
	}
	line, err := json.Marshal(fields)
	if err != nil {
		logger.From(ctx).Error("audit event marshal failed", logger.Err(err))
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.w.Write(append(line, '\n')); err != nil {
		logger.From(ctx).Error("audit sink write failed", logger.Err(err))
	}
}

// Close cierra el sink.
func (t *Trail) Close() error {
	if t == nil {
		return nil
	}
	return t.w.Close()
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package refresher

import (
	"context"
	"log/slog"
	"os"
)

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0600)
}

// notifyHandler signals a channel whenever a record with a given
// message is logged.
type notifyHandler struct {
	onMessage string
	notify    chan<- struct{}
}

func (h *notifyHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *notifyHandler) Handle(_ context.Context, record slog.Record) error {
	if record.Message == h.onMessage {
		h.notify <- struct{}{}
	}
	return nil
}

func (h *notifyHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *notifyHandler) WithGroup(string) slog.Handler      { return h }

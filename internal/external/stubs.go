package external

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"courierhook/internal/types"
)

// StubEmailProvider implements EmailProvider by logging calls and keeping the
// sent messages in memory. Used when EMAIL_PROVIDER=stub.
type StubEmailProvider struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent []types.SendInput
}

// NewStubEmailProvider creates a new StubEmailProvider.
func NewStubEmailProvider(logger *slog.Logger) *StubEmailProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubEmailProvider{logger: logger}
}

func (s *StubEmailProvider) Send(ctx context.Context, input types.SendInput) (string, error) {
	s.mu.Lock()
	s.sent = append(s.sent, input)
	n := len(s.sent)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "stub: Send called",
		"to_count", len(input.To),
		"bcc_count", len(input.Bcc),
		"subject", input.Subject,
		"attachments", len(input.Attachments),
	)
	return fmt.Sprintf("stub-msg-%d", n), nil
}

// Sent returns a copy of every message passed to Send.
func (s *StubEmailProvider) Sent() []types.SendInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.SendInput, len(s.sent))
	copy(out, s.sent)
	return out
}

var _ EmailProvider = (*StubEmailProvider)(nil)

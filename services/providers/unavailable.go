package providers

import "context"

// Unavailable is a placeholder adapter registered when a backend's
// real adapter cannot be constructed. It keeps the backend visible in
// status listings while every operation reports the recorded
// construction failure.
type Unavailable struct {
	name   string
	reason error
}

var _ Provider = (*Unavailable)(nil)

// NewUnavailable records why the backend could not be constructed.
func NewUnavailable(name string, reason error) *Unavailable {
	return &Unavailable{name: name, reason: reason}
}

func (u *Unavailable) Name() string {
	return u.name
}

func (u *Unavailable) Authenticate(ctx context.Context) error {
	return u.err()
}

func (u *Unavailable) IsAuthenticated() bool {
	return false
}

func (u *Unavailable) ListModels(ctx context.Context) ([]ModelInfo, error) {
	return nil, u.err()
}

func (u *Unavailable) Generate(ctx context.Context, messages []Message, model string, cfg *GenerationConfig) (*GenerationResponse, error) {
	return nil, u.err()
}

func (u *Unavailable) GenerateStream(ctx context.Context, messages []Message, model string, cfg *GenerationConfig, callback StreamCallback) error {
	return u.err()
}

func (u *Unavailable) Close() error {
	return nil
}

func (u *Unavailable) err() error {
	return NewProviderError(u.name, ErrCodePermanent, "backend unavailable", 0, false, u.reason)
}

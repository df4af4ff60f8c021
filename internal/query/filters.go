package query

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/pairvault/pkg/schema"
)

// CredentialEnv is the environment a credential predicate sees.
type CredentialEnv struct {
	ID          string    `expr:"id"`
	Name        string    `expr:"name"`
	Description string    `expr:"description"`
	Active      bool      `expr:"active"`
	EnrolledAt  time.Time `expr:"enrolled_at"`
	LastUsedAt  time.Time `expr:"last_used_at"`
	Used        bool      `expr:"used"`
	AgeDays     float64   `expr:"age_days"`
	IdleDays    float64   `expr:"idle_days"`
}

// NewCredentialEnv projects a credential for predicate evaluation at now.
func NewCredentialEnv(c *schema.Credential, now time.Time) CredentialEnv {
	env := CredentialEnv{
		ID:          c.ID,
		Name:        c.Name,
		Description: c.Description,
		Active:      c.Active,
		EnrolledAt:  c.EnrolledAt,
		AgeDays:     now.Sub(c.EnrolledAt).Hours() / 24,
	}
	last := c.EnrolledAt
	if c.LastUsedAt != nil {
		env.LastUsedAt = *c.LastUsedAt
		env.Used = true
		last = *c.LastUsedAt
	}
	env.IdleDays = now.Sub(last).Hours() / 24
	return env
}

// FilterCredentials keeps the credentials matching where. An empty where
// keeps everything.
func FilterCredentials(e *ExprEngine, where string, creds []*schema.Credential, now time.Time) ([]*schema.Credential, error) {
	if where == "" {
		return creds, nil
	}
	out := make([]*schema.Credential, 0, len(creds))
	for _, c := range creds {
		ok, err := e.Match(where, NewCredentialEnv(c, now))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// FilterEvents runs a jq program over the events, given to it as a JSON
// array in log order.
func FilterEvents(ctx context.Context, e *JQEngine, expression string, events []*schema.SecurityEvent) ([]any, error) {
	input, err := toJSONValue(events)
	if err != nil {
		return nil, err
	}
	return e.Evaluate(ctx, expression, input)
}

// toJSONValue round-trips v through encoding/json so jq sees the same field
// names and value types as the persisted form.
func toJSONValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "cannot encode query input").WithCause(err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "cannot decode query input").WithCause(err)
	}
	if out == nil {
		out = []any{}
	}
	return out, nil
}

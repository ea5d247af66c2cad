package erasure

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"refinery/internal/domain"
	"refinery/internal/refstore"

	"go.uber.org/zap"
)

// Redacted replaces a customer's first and last name on anonymization.
const Redacted = "ANONYMIZED"

// ErrUnresolvable marks a request carrying neither customer-id nor email.
// Such requests are quarantined by the caller, never applied.
var ErrUnresolvable = errors.New("erasure request has neither customer-id nor email")

// Result reports one request's effect. Zero matches is still a success:
// the person may legitimately have no stored record.
type Result struct {
	Matched    int
	Anonymized int
	Failed     bool
}

// Engine applies erasure requests against the reference store. Application
// is idempotent: an already-anonymized customer matches by id but yields no
// further change, so a second pass reports a count no larger than the first.
type Engine struct {
	store *refstore.Store
	log   *zap.SugaredLogger
	now   func() time.Time
}

func NewEngine(store *refstore.Store, log *zap.SugaredLogger) *Engine {
	return &Engine{store: store, log: log, now: time.Now}
}

// Apply resolves candidates by exact id lookup unioned with an email scan,
// deduplicates by id, and rewrites each match in place: first/last name to
// the redaction marker, email to a deterministic anonymous address. The
// email rewrite is a one-way transition: a later request for the original
// email matches by id only.
func (e *Engine) Apply(req domain.ErasureRequest) (Result, error) {
	if req.CustomerID == "" && req.Email == "" {
		return Result{Failed: true}, ErrUnresolvable
	}

	candidates := make(map[string]struct{})
	if req.CustomerID != "" {
		if _, ok := e.store.GetCustomer(req.CustomerID); ok {
			candidates[req.CustomerID] = struct{}{}
		}
	}
	for _, c := range e.store.FindCustomersByEmail(req.Email) {
		if c.ID != "" {
			candidates[c.ID] = struct{}{}
		}
	}

	res := Result{Matched: len(candidates)}
	stamp := e.now().UTC().Format(time.RFC3339)
	for id := range candidates {
		changed := false
		e.store.UpdateCustomer(id, func(c *domain.Customer) bool {
			if c.Anonymized {
				return false
			}
			c.FirstName = Redacted
			c.LastName = Redacted
			c.Email = AnonymousEmail(c.ID)
			c.Anonymized = true
			c.AnonymizedAt = stamp
			changed = true
			return true
		})
		if changed {
			res.Anonymized++
		}
	}
	e.log.Infow("Erasure request applied",
		"customer_id", req.CustomerID,
		"matched", res.Matched,
		"anonymized", res.Anonymized,
	)
	return res, nil
}

// AnonymousEmail derives a stable anonymized address from the customer id,
// so repeated anonymization converges on the same value.
func AnonymousEmail(id string) string {
	sum := sha256.Sum256([]byte(id))
	return fmt.Sprintf("anon_%s@example.com", hex.EncodeToString(sum[:])[:8])
}

package validate

import (
	"fmt"

	"refinery/internal/domain"

	"github.com/asaskevich/govalidator"
)

// Snapshot is the read-only view of the reference store the validator needs:
// transaction validity depends on the referenced product already existing.
type Snapshot interface {
	HasProduct(sku string) bool
}

// Outcome classifies one record. An empty error list means the record is
// valid; otherwise every failed rule contributes one entry, in rule order.
type Outcome struct {
	Record domain.Record
	Errors []string
}

func (o Outcome) Valid() bool {
	return len(o.Errors) == 0
}

// Invalid builds an outcome for records that never reach the rule set, such
// as malformed payload lines.
func Invalid(rec domain.Record, errs ...string) Outcome {
	return Outcome{Record: rec, Errors: errs}
}

// Record applies the per-variant rule set: required fields first, then
// format rules, then the transaction sku cross-reference. All applicable
// rules run; every failure is appended. Duplicate ids are deliberately not
// rejected here - later reference-store upserts overwrite earlier entries.
func Record(rec domain.Record, snap Snapshot) Outcome {
	out := Outcome{Record: rec}
	switch rec.Kind {
	case domain.KindCustomer:
		out.Errors = customerErrors(rec.Customer)
	case domain.KindProduct:
		out.Errors = productErrors(rec.Product)
	case domain.KindTransaction:
		out.Errors = transactionErrors(rec.Transaction, snap)
	case domain.KindErasure:
		out.Errors = erasureErrors(rec.Erasure)
	default:
		out.Errors = []string{fmt.Sprintf("unknown record kind: %s", rec.Kind)}
	}
	return out
}

func customerErrors(c *domain.Customer) []string {
	if c == nil {
		return []string{"malformed customer payload"}
	}
	var errs []string
	if c.ID == "" {
		errs = append(errs, "missing required field: id")
	}
	if c.Email == "" {
		errs = append(errs, "missing required field: email")
	} else if !govalidator.IsEmail(c.Email) {
		errs = append(errs, "invalid email format")
	}
	return errs
}

func productErrors(p *domain.Product) []string {
	if p == nil {
		return []string{"malformed product payload"}
	}
	var errs []string
	if p.SKU == "" {
		errs = append(errs, "missing required field: sku")
	}
	if p.Price != nil && *p.Price < 0 {
		errs = append(errs, "price must be non-negative")
	}
	return errs
}

func transactionErrors(t *domain.Transaction, snap Snapshot) []string {
	if t == nil {
		return []string{"malformed transaction payload"}
	}
	var errs []string
	if t.ID == "" {
		errs = append(errs, "missing required field: transaction_id")
	}
	if t.CustomerID == "" {
		errs = append(errs, "missing required field: customer_id")
	}
	if t.SKU == "" {
		errs = append(errs, "missing required field: sku")
	}
	if t.Amount != nil && *t.Amount < 0 {
		errs = append(errs, "amount must be non-negative")
	}
	// customer_id need not resolve: a transaction may reference a customer
	// arriving in the same partition.
	if t.SKU != "" && (snap == nil || !snap.HasProduct(t.SKU)) {
		errs = append(errs, fmt.Sprintf("product sku %s not found in reference data", t.SKU))
	}
	return errs
}

func erasureErrors(e *domain.ErasureRequest) []string {
	if e == nil {
		return []string{"malformed erasure request payload"}
	}
	var errs []string
	if e.CustomerID == "" && e.Email == "" {
		errs = append(errs, "erasure request must include at least one of customer-id or email")
	}
	if e.Email != "" && !govalidator.IsEmail(e.Email) {
		errs = append(errs, "invalid email format")
	}
	return errs
}

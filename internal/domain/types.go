package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies a record domain. The value doubles as the dataset file
// name in the partitioned layout and as the bus topic name.
type Kind string

const (
	KindCustomer    Kind = "customers"
	KindProduct     Kind = "products"
	KindTransaction Kind = "transactions"
	KindErasure     Kind = "erasure-requests"
)

// Kinds lists all domains in intra-partition processing order: customers and
// products must reach the reference store before transactions are validated.
var Kinds = []Kind{KindCustomer, KindProduct, KindTransaction, KindErasure}

func (k Kind) Valid() bool {
	switch k {
	case KindCustomer, KindProduct, KindTransaction, KindErasure:
		return true
	}
	return false
}

// Customer carries the fields the pipeline understands plus any additional
// payload fields, preserved opaquely through decode/encode round-trips.
type Customer struct {
	ID           string
	Email        string
	FirstName    string
	LastName     string
	Anonymized   bool
	AnonymizedAt string
	Extra        map[string]json.RawMessage
}

func (c *Customer) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	take := func(key string, dst any) error {
		raw, ok := fields[key]
		if !ok {
			return nil
		}
		delete(fields, key)
		return json.Unmarshal(raw, dst)
	}
	if err := take("id", &c.ID); err != nil {
		return fmt.Errorf("customer id: %w", err)
	}
	if err := take("email", &c.Email); err != nil {
		return fmt.Errorf("customer email: %w", err)
	}
	if err := take("first_name", &c.FirstName); err != nil {
		return fmt.Errorf("customer first_name: %w", err)
	}
	if err := take("last_name", &c.LastName); err != nil {
		return fmt.Errorf("customer last_name: %w", err)
	}
	if err := take("_anonymized", &c.Anonymized); err != nil {
		return fmt.Errorf("customer _anonymized: %w", err)
	}
	if err := take("_anonymized_at", &c.AnonymizedAt); err != nil {
		return fmt.Errorf("customer _anonymized_at: %w", err)
	}
	if len(fields) > 0 {
		c.Extra = fields
	}
	return nil
}

func (c Customer) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(c.Extra)+6)
	for k, v := range c.Extra {
		out[k] = v
	}
	put := func(key string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		out[key] = raw
		return nil
	}
	if err := put("id", c.ID); err != nil {
		return nil, err
	}
	if err := put("email", c.Email); err != nil {
		return nil, err
	}
	if err := put("first_name", c.FirstName); err != nil {
		return nil, err
	}
	if err := put("last_name", c.LastName); err != nil {
		return nil, err
	}
	if c.Anonymized {
		if err := put("_anonymized", c.Anonymized); err != nil {
			return nil, err
		}
		if err := put("_anonymized_at", c.AnonymizedAt); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

type Product struct {
	SKU   string   `json:"sku"`
	Name  string   `json:"name,omitempty"`
	Price *float64 `json:"price,omitempty"`
}

type Transaction struct {
	ID         string   `json:"transaction_id"`
	CustomerID string   `json:"customer_id"`
	SKU        string   `json:"sku"`
	Amount     *float64 `json:"amount,omitempty"`
	Timestamp  string   `json:"timestamp,omitempty"`
}

// ErasureRequest instructs the pipeline to anonymize every stored customer
// matching the id and/or email. At least one of the two must be present.
type ErasureRequest struct {
	CustomerID  string `json:"customer-id,omitempty"`
	Email       string `json:"email,omitempty"`
	RequestedAt string `json:"requested_at,omitempty"`
}

// Record is the tagged union over the four domains. Exactly one variant
// pointer is set for a successfully decoded record; Raw always holds the
// original payload line for quarantine diagnostics.
type Record struct {
	Kind Kind
	Raw  []byte

	Customer    *Customer
	Product     *Product
	Transaction *Transaction
	Erasure     *ErasureRequest
}

// Decode parses one NDJSON line into a Record of the given kind. The raw
// line is retained verbatim on the returned Record even on error.
func Decode(kind Kind, line []byte) (Record, error) {
	rec := Record{Kind: kind, Raw: line}
	var err error
	switch kind {
	case KindCustomer:
		c := &Customer{}
		if err = json.Unmarshal(line, c); err == nil {
			rec.Customer = c
		}
	case KindProduct:
		p := &Product{}
		if err = json.Unmarshal(line, p); err == nil {
			rec.Product = p
		}
	case KindTransaction:
		t := &Transaction{}
		if err = json.Unmarshal(line, t); err == nil {
			rec.Transaction = t
		}
	case KindErasure:
		e := &ErasureRequest{}
		if err = json.Unmarshal(line, e); err == nil {
			rec.Erasure = e
		}
	default:
		err = fmt.Errorf("unknown record kind %q", kind)
	}
	if err != nil {
		return rec, fmt.Errorf("decode %s record: %w", kind, err)
	}
	return rec, nil
}

// Key returns the record's identity within its domain ("" when absent).
func (r Record) Key() string {
	switch {
	case r.Customer != nil:
		return r.Customer.ID
	case r.Product != nil:
		return r.Product.SKU
	case r.Transaction != nil:
		return r.Transaction.ID
	case r.Erasure != nil:
		return r.Erasure.CustomerID
	}
	return ""
}

// Stats aggregates per-domain counts for one partition cycle. The erasure
// fields stay zero for the other domains.
type Stats struct {
	Processed         int     `json:"processed"`
	Valid             int     `json:"valid"`
	Invalid           int     `json:"invalid"`
	Successful        int     `json:"successful,omitempty"`
	Failed            int     `json:"failed,omitempty"`
	RecordsAnonymized int     `json:"records_anonymized,omitempty"`
	ProcessingTime    float64 `json:"processing_time"`
}

func (s *Stats) Add(o Stats) {
	s.Processed += o.Processed
	s.Valid += o.Valid
	s.Invalid += o.Invalid
	s.Successful += o.Successful
	s.Failed += o.Failed
	s.RecordsAnonymized += o.RecordsAnonymized
	s.ProcessingTime += o.ProcessingTime
}

// PartitionKey addresses one (date, hour) bucket of input/output data.
type PartitionKey struct {
	Date string // YYYY-MM-DD
	Hour int    // 0-23
}

func (p PartitionKey) String() string {
	return fmt.Sprintf("date=%s/hour=%02d", p.Date, p.Hour)
}

// Prev returns the chronologically preceding partition, crossing the date
// boundary at hour zero.
func (p PartitionKey) Prev() (PartitionKey, error) {
	if p.Hour > 0 {
		return PartitionKey{Date: p.Date, Hour: p.Hour - 1}, nil
	}
	day, err := time.Parse(time.DateOnly, p.Date)
	if err != nil {
		return PartitionKey{}, fmt.Errorf("parse partition date %q: %w", p.Date, err)
	}
	return PartitionKey{Date: day.AddDate(0, 0, -1).Format(time.DateOnly), Hour: 23}, nil
}

// Partitions expands an inclusive date range into partition keys in
// ascending chronological order. hour of -1 selects all 24 hours per date.
func Partitions(startDate, endDate string, hour int) ([]PartitionKey, error) {
	start, err := time.Parse(time.DateOnly, startDate)
	if err != nil {
		return nil, fmt.Errorf("parse start date %q: %w", startDate, err)
	}
	end, err := time.Parse(time.DateOnly, endDate)
	if err != nil {
		return nil, fmt.Errorf("parse end date %q: %w", endDate, err)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("end date %s before start date %s", endDate, startDate)
	}
	if hour < -1 || hour > 23 {
		return nil, fmt.Errorf("hour %d out of range", hour)
	}

	var keys []PartitionKey
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		date := day.Format(time.DateOnly)
		if hour >= 0 {
			keys = append(keys, PartitionKey{Date: date, Hour: hour})
			continue
		}
		for h := 0; h < 24; h++ {
			keys = append(keys, PartitionKey{Date: date, Hour: h})
		}
	}
	return keys, nil
}

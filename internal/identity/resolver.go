package identity

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Lookup finds an existing identifier by normalized contact signals. The
// relational store implements it. Implementations return "" when nothing
// matches and must prefer an email match over a phone match.
type Lookup interface {
	FindByContact(ctx context.Context, email, phone string) (string, error)
}

// Resolver maps contact signals to canonical identifiers.
type Resolver struct {
	lookup Lookup
}

// NewResolver creates a resolver backed by the store of record.
func NewResolver(lookup Lookup) *Resolver {
	return &Resolver{lookup: lookup}
}

// Resolve returns the identifier of the person owning email or phone, or ""
// when neither signal is supplied or nothing matches.
func (r *Resolver) Resolve(ctx context.Context, email, phone string) (string, error) {
	email, phone = NormalizeEmail(email), NormalizePhone(phone)
	if email == "" && phone == "" {
		return "", nil
	}

	id, err := r.lookup.FindByContact(ctx, email, phone)
	if err != nil {
		return "", eris.Wrap(err, "identity: resolve")
	}
	if id != "" {
		zap.L().Debug("identity: matched existing person",
			zap.String("resume_id", id),
			zap.Bool("email", email != ""),
			zap.Bool("phone", phone != ""),
		)
	}
	return id, nil
}

// Index is an in-memory email→identifier and phone→identifier map preloaded
// once per batch run. Workers read it concurrently while the orchestrator
// records newly minted identifiers. The first identifier recorded for a
// contact value wins.
type Index struct {
	mu     sync.RWMutex
	emails map[string]string
	phones map[string]string
}

// NewIndex builds an index from contacts in store order.
func NewIndex(contacts []Contact) *Index {
	idx := &Index{
		emails: make(map[string]string, len(contacts)),
		phones: make(map[string]string, len(contacts)),
	}
	for _, c := range contacts {
		idx.add(c.Normalized())
	}
	return idx
}

// Lookup returns the identifier for email (preferred) or phone.
func (idx *Index) Lookup(email, phone string) (string, bool) {
	email, phone = NormalizeEmail(email), NormalizePhone(phone)

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if email != "" {
		if id, ok := idx.emails[email]; ok {
			return id, true
		}
	}
	if phone != "" {
		if id, ok := idx.phones[phone]; ok {
			return id, true
		}
	}
	return "", false
}

// Add records identifier for the contact's signals that are not yet known.
func (idx *Index) Add(c Contact) {
	n := c.Normalized()
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.add(n)
}

func (idx *Index) add(c Contact) {
	if c.Identifier == "" {
		return
	}
	if c.Email != "" {
		if _, ok := idx.emails[c.Email]; !ok {
			idx.emails[c.Email] = c.Identifier
		}
	}
	if c.Phone != "" {
		if _, ok := idx.phones[c.Phone]; !ok {
			idx.phones[c.Phone] = c.Identifier
		}
	}
}

// Len returns the number of distinct emails and phones held.
func (idx *Index) Len() (emails, phones int) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.emails), len(idx.phones)
}

// FindByContact implements Lookup over the in-memory maps so a batch can
// resolve identity without a round trip per document.
func (idx *Index) FindByContact(_ context.Context, email, phone string) (string, error) {
	id, _ := idx.Lookup(email, phone)
	return id, nil
}

// Claim resolves c against the index and records the result in one step.
// When the email (preferred) or phone is already known the existing
// identifier is returned with existing set, and any new signal of c is
// attached to it. Otherwise c.Identifier is recorded and returned. Contacts
// without signals are never recorded.
func (idx *Index) Claim(c Contact) (id string, existing bool) {
	n := c.Normalized()
	if n.Empty() {
		return c.Identifier, false
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if n.Email != "" {
		id, existing = idx.emails[n.Email]
	}
	if !existing && n.Phone != "" {
		id, existing = idx.phones[n.Phone]
	}
	if !existing {
		id = c.Identifier
	}
	n.Identifier = id
	idx.add(n)
	return id, existing
}

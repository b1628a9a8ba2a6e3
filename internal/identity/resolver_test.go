package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockLookup struct {
	mock.Mock
}

func (m *mockLookup) FindByContact(ctx context.Context, email, phone string) (string, error) {
	args := m.Called(ctx, email, phone)
	return args.String(0), args.Error(1)
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "jane@x.com", NormalizeEmail("  Jane@X.com "))
	assert.Equal(t, "", NormalizeEmail("   "))
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "15550100", NormalizePhone("+1 (555) 01-00"))
	assert.Equal(t, "", NormalizePhone("n/a"))
	assert.Equal(t, "", NormalizePhone(""))
	assert.Equal(t, "3", NormalizePhone("١٢3"))
}

func TestResolver_NoSignal(t *testing.T) {
	lookup := &mockLookup{}
	r := NewResolver(lookup)

	id, err := r.Resolve(context.Background(), "  ", "ext.")
	require.NoError(t, err)
	assert.Empty(t, id)
	lookup.AssertNotCalled(t, "FindByContact", mock.Anything, mock.Anything, mock.Anything)
}

func TestResolver_NormalizesBeforeLookup(t *testing.T) {
	lookup := &mockLookup{}
	lookup.On("FindByContact", mock.Anything, "jane@x.com", "5550100").Return("id-1", nil)
	r := NewResolver(lookup)

	id, err := r.Resolve(context.Background(), "Jane@X.com", "555-0100")
	require.NoError(t, err)
	assert.Equal(t, "id-1", id)
	lookup.AssertExpectations(t)
}

func TestResolver_SameEmailDifferentCase(t *testing.T) {
	lookup := &mockLookup{}
	lookup.On("FindByContact", mock.Anything, "jane@x.com", "").Return("id-1", nil).Twice()
	r := NewResolver(lookup)

	a, err := r.Resolve(context.Background(), "Jane@X.com", "")
	require.NoError(t, err)
	b, err := r.Resolve(context.Background(), "jane@x.com", "")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestResolver_LookupError(t *testing.T) {
	lookup := &mockLookup{}
	lookup.On("FindByContact", mock.Anything, "a@b.c", "").Return("", errors.New("conn refused"))
	r := NewResolver(lookup)

	id, err := r.Resolve(context.Background(), "a@b.c", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "identity: resolve")
	assert.Empty(t, id)
}

func TestIndex_EmailBeatsPhone(t *testing.T) {
	idx := NewIndex([]Contact{
		{Identifier: "by-phone", Phone: "555-0100"},
		{Identifier: "by-email", Email: "Jane@X.com"},
	})

	id, ok := idx.Lookup("jane@x.com", "5550100")
	require.True(t, ok)
	assert.Equal(t, "by-email", id)

	id, ok = idx.Lookup("other@x.com", "(555) 0100")
	require.True(t, ok)
	assert.Equal(t, "by-phone", id)

	_, ok = idx.Lookup("", "")
	assert.False(t, ok)
}

func TestIndex_FirstWins(t *testing.T) {
	idx := NewIndex([]Contact{
		{Identifier: "first", Email: "a@b.c"},
		{Identifier: "second", Email: "A@B.C"},
	})
	idx.Add(Contact{Identifier: "third", Email: "a@b.c", Phone: "123"})

	id, _ := idx.Lookup("a@b.c", "")
	assert.Equal(t, "first", id)
	id, _ = idx.Lookup("", "123")
	assert.Equal(t, "third", id)

	emails, phones := idx.Len()
	assert.Equal(t, 1, emails)
	assert.Equal(t, 1, phones)
}

func TestIndex_AsLookup(t *testing.T) {
	idx := NewIndex(nil)
	r := NewResolver(idx)

	id, err := r.Resolve(context.Background(), "new@x.com", "")
	require.NoError(t, err)
	assert.Empty(t, id)

	idx.Add(Contact{Identifier: "minted", Email: "new@x.com"})
	id, err = r.Resolve(context.Background(), "NEW@x.com", "")
	require.NoError(t, err)
	assert.Equal(t, "minted", id)
}

func TestIndex_ConcurrentAccess(t *testing.T) {
	idx := NewIndex(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			idx.Add(Contact{Identifier: "id", Email: "same@x.com"})
			idx.Lookup("same@x.com", "")
		}(i)
	}
	wg.Wait()

	id, ok := idx.Lookup("same@x.com", "")
	require.True(t, ok)
	assert.Equal(t, "id", id)
}

func TestIndex_Claim(t *testing.T) {
	idx := NewIndex([]Contact{{Identifier: "old", Email: "jane@x.com"}})

	id, existing := idx.Claim(Contact{Identifier: "new-1", Email: "JANE@x.com ", Phone: "555-0100"})
	assert.True(t, existing)
	assert.Equal(t, "old", id)

	// The phone seen alongside a known email now resolves to the same person.
	id, ok := idx.Lookup("", "(555) 0100")
	require.True(t, ok)
	assert.Equal(t, "old", id)

	id, existing = idx.Claim(Contact{Identifier: "new-2", Email: "bob@x.com"})
	assert.False(t, existing)
	assert.Equal(t, "new-2", id)

	id, existing = idx.Claim(Contact{Identifier: "new-3"})
	assert.False(t, existing)
	assert.Equal(t, "new-3", id)
	emails, phones := idx.Len()
	assert.Equal(t, 2, emails)
	assert.Equal(t, 1, phones)
}

func TestIndex_ClaimConcurrentSamePerson(t *testing.T) {
	idx := NewIndex(nil)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ids      = map[string]bool{}
		existing int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, ok := idx.Claim(Contact{Identifier: fmt.Sprintf("id-%d", i), Email: "same@x.com"})
			mu.Lock()
			defer mu.Unlock()
			ids[id] = true
			if ok {
				existing++
			}
		}(i)
	}
	wg.Wait()
	assert.Len(t, ids, 1)
	assert.Equal(t, 19, existing)
}

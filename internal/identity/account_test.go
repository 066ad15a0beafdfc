package identity

import "testing"

// ---------------------------------------------------------------------------
// Test: Chat pairing policy between account categories
// ---------------------------------------------------------------------------

func TestCanChat(t *testing.T) {
	customer := &Account{ID: 1, IsCustomer: true}
	worker := &Account{ID: 2, IsSkilledWorker: true}
	customer2 := &Account{ID: 3, IsCustomer: true}
	worker2 := &Account{ID: 4, IsSkilledWorker: true}
	dual := &Account{ID: 5, IsCustomer: true, IsSkilledWorker: true}
	neither := &Account{ID: 6}

	cases := []struct {
		name string
		a, b *Account
		want bool
	}{
		{"customer with worker", customer, worker, true},
		{"worker with customer", worker, customer, true},
		{"two customers", customer, customer2, false},
		{"two workers", worker, worker2, false},
		{"dual capability with customer", dual, customer, true},
		{"dual capability with worker", dual, worker, true},
		{"customer with uncategorized", customer, neither, false},
		{"nil account", customer, nil, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanChat(tc.a, tc.b); got != tc.want {
				t.Errorf("CanChat(%+v, %+v) = %v, want %v", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

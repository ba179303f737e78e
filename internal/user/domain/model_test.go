package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckContactable(t *testing.T) {
	cases := []struct {
		name string
		user User
		want error
	}{
		{name: "verified", user: User{Email: "ana@example.com", EmailVerified: true}, want: nil},
		{name: "empty", user: User{Email: "  ", EmailVerified: true}, want: ErrInvalidEmail},
		{name: "malformed", user: User{Email: "ana-at-example.com", EmailVerified: true}, want: ErrInvalidEmail},
		{name: "unverified", user: User{Email: "ana@example.com"}, want: ErrUnverified},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.user.CheckContactable())
		})
	}
}

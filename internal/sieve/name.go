package sieve

import (
	"crypto/rand"
)

const nameAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// randomName generates a random 15-character alphanumeric name, used when
// a script is created without an explicit Name.
func randomName() (string, error) {
	const length = 15
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, length)
	for i, b := range buf {
		out[i] = nameAlphabet[int(b)%len(nameAlphabet)]
	}
	return string(out), nil
}

package service

import (
	"context"
	"crypto/rand"
	"errors"
	"strings"
)

// ReferenceCodeLength is the length of codes handed to anonymous callers.
const ReferenceCodeLength = 6

// 32 symbols without 0/O or 1/I, so a byte maps onto it without bias.
const referenceAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const maxMintAttempts = 8

var errNoFreeReferenceCode = errors.New("service: could not mint an unused reference code")

func newReferenceCode() (string, error) {
	b := make([]byte, ReferenceCodeLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = referenceAlphabet[int(b[i])%len(referenceAlphabet)]
	}
	return string(b), nil
}

// NormalizeReferenceCode makes user-typed codes comparable.
func NormalizeReferenceCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// mintReferenceCode draws codes until one is not held by a non-closed
// request. The unique index still has the last word at insert time.
func mintReferenceCode(ctx context.Context, store Store, gen func() (string, error)) (string, error) {
	if gen == nil {
		gen = newReferenceCode
	}
	for i := 0; i < maxMintAttempts; i++ {
		code, err := gen()
		if err != nil {
			return "", err
		}
		inUse, err := store.ReferenceCodeInUse(ctx, code)
		if err != nil {
			return "", err
		}
		if !inUse {
			return code, nil
		}
	}
	return "", errNoFreeReferenceCode
}

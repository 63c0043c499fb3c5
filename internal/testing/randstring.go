package testing

import (
	"math/rand"
	"strings"
)

const charSet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// RandString generates random string with 10 symbols length from lower- and uppercase alphabet
func RandString() string {
	return randString(10)
}

// RandUsername generates a username of valid length (3 to 20 symbols)
func RandUsername() string {
	return randString(3 + rand.Intn(18))
}

func randString(length int) string {
	var out strings.Builder
	for i := 0; i < length; i++ {
		out.WriteByte(charSet[rand.Intn(len(charSet))])
	}
	return out.String()
}

package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("KINDEROPS_TEST_MODE", "1")
		if os.Getenv("API_TOKEN_HASH") == "" {
			_ = os.Setenv("API_TOKEN_HASH", "$2a$04$testmodetestmodetestmo")
		}
	})
}

func init() {
	ensureTestMode()
}

func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}

package engine

import (
	"os"
	"testing"
)

func TestEnableVerboseLoggingAfterReset(t *testing.T) {
	for i := 0; i < 2; i++ {
		t.Setenv(VerboseLogEnv, "")
		if VerboseLogging() {
			t.Fatalf("round %d: verbose logging on before enabling", i)
		}
		EnableVerboseLogging()
		EnableVerboseLogging()
		if !VerboseLogging() {
			t.Fatalf("round %d: verbose logging still off", i)
		}
		if got := os.Getenv(VerboseLogEnv); got != "1" {
			t.Fatalf("round %d: %s=%q", i, VerboseLogEnv, got)
		}
	}
}

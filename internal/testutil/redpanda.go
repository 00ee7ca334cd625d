//go:build integration

package testutil

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"
)

const defaultRedpandaBrokers = "localhost:9092"

var unsafeTopicChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// RedpandaBrokers returns the brokers in INTEGRATION_REDPANDA_BROKERS, or
// the local default. The test is skipped when the first broker does not
// accept connections.
func RedpandaBrokers(t *testing.T) []string {
	t.Helper()
	raw := os.Getenv("INTEGRATION_REDPANDA_BROKERS")
	if raw == "" {
		raw = defaultRedpandaBrokers
	}
	brokers := strings.Split(raw, ",")

	conn, err := net.DialTimeout("tcp", brokers[0], 2*time.Second)
	if err != nil {
		t.Skipf("redpanda not reachable at %s: %v", brokers[0], err)
	}
	_ = conn.Close()
	return brokers
}

// ExchangeName returns an exchange name, and so a topic, unique to the test.
func ExchangeName(t *testing.T) string {
	t.Helper()
	name := unsafeTopicChars.ReplaceAllString(strings.ToLower(t.Name()), "-")
	return fmt.Sprintf("it-%s-%d", name, time.Now().UnixNano())
}

// Copyright (C) 2025 Lancache Warden Authors.
// See LICENSE for copying information.

package jobs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOrderTables(t *testing.T) {
	requested := map[string]bool{
		"events":      true,
		"custom_b":    true,
		"downloads":   true,
		"custom_a":    true,
		"log_entries": true,
	}
	require.Equal(t,
		[]string{"log_entries", "downloads", "events", "custom_a", "custom_b"},
		orderTables(requested))
}

func TestValidServiceName(t *testing.T) {
	require.True(t, ValidServiceName("steam"))
	require.True(t, ValidServiceName("epicgames"))

	require.False(t, ValidServiceName(""))
	require.False(t, ValidServiceName("127.0.0.1"))
	require.False(t, ValidServiceName("10.0.0.255"))
	require.False(t, ValidServiceName("localhost"))
	require.False(t, ValidServiceName("ip-address"))
}

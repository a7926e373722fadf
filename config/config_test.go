package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetString(t *testing.T) {
	t.Setenv("HM_TEST_STR", "value")
	assert.Equal(t, "value", GetString("HM_TEST_STR", "fallback"))
	assert.Equal(t, "fallback", GetString("HM_TEST_STR_UNSET", "fallback"))
}

func TestGetInt(t *testing.T) {
	t.Setenv("HM_TEST_INT", "42")
	assert.Equal(t, 42, GetInt("HM_TEST_INT", 7))

	t.Setenv("HM_TEST_INT_BAD", "not-a-number")
	assert.Equal(t, 7, GetInt("HM_TEST_INT_BAD", 7))
}

func TestGetBool(t *testing.T) {
	t.Setenv("HM_TEST_BOOL", "true")
	assert.True(t, GetBool("HM_TEST_BOOL", false))
	assert.False(t, GetBool("HM_TEST_BOOL_UNSET", false))
}

func TestGetDuration(t *testing.T) {
	t.Setenv("HM_TEST_DUR", "250ms")
	assert.Equal(t, 250*time.Millisecond, GetDuration("HM_TEST_DUR", time.Second))
	assert.Equal(t, time.Second, GetDuration("HM_TEST_DUR_UNSET", time.Second))
}

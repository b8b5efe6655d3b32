package testutil

import (
	"strings"
	"testing"
)

func TestNewTestDSN(t *testing.T) {
	dsn := NewTestDSN("TestName/sub case")
	if !strings.Contains(dsn, "file:TestName_sub_case?mode=memory&cache=shared") {
		t.Errorf("NewTestDSN did not generate expected DSN, got: %s", dsn)
	}
}

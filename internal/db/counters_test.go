package db

import (
	"context"
	"database/sql"
	"strings"
	"testing"
)

func TestGetFailureCount(t *testing.T) {
	conn := &fakeConn{row: fakeRow{values: []any{3}}}
	d := &DB{conn: conn}
	count, err := d.GetFailureCount(context.Background(), "svc-1")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if count != 3 {
		t.Fatalf("count: %d", count)
	}
	if conn.lastArgs[0] != "svc-1" {
		t.Fatalf("args: %#v", conn.lastArgs)
	}
}

func TestGetFailureCountUnknownTarget(t *testing.T) {
	conn := &fakeConn{row: fakeRow{err: sql.ErrNoRows}}
	d := &DB{conn: conn}
	count, err := d.GetFailureCount(context.Background(), "svc-new")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if count != 0 {
		t.Fatalf("count: %d", count)
	}
}

func TestSetFailureCount(t *testing.T) {
	conn := &fakeConn{}
	d := &DB{conn: conn}
	if err := d.SetFailureCount(context.Background(), "svc-1", 2); err != nil {
		t.Fatalf("err: %v", err)
	}
	if !strings.Contains(conn.lastExecQuery, "ON CONFLICT (target_id)") {
		t.Fatalf("query: %s", conn.lastExecQuery)
	}
	if conn.lastExecArgs[1].(int) != 2 {
		t.Fatalf("args: %#v", conn.lastExecArgs)
	}
}

func TestSetFailureCountClampsNegative(t *testing.T) {
	conn := &fakeConn{}
	d := &DB{conn: conn}
	if err := d.SetFailureCount(context.Background(), "svc-1", -4); err != nil {
		t.Fatalf("err: %v", err)
	}
	if conn.lastExecArgs[1].(int) != 0 {
		t.Fatalf("args: %#v", conn.lastExecArgs)
	}
}

func TestFailureCountMissingTarget(t *testing.T) {
	d := &DB{conn: &fakeConn{}}
	if _, err := d.GetFailureCount(context.Background(), ""); err == nil {
		t.Fatalf("expected error")
	}
	if err := d.SetFailureCount(context.Background(), "", 1); err == nil {
		t.Fatalf("expected error")
	}
}

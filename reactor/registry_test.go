//go:build linux

package reactor

import (
	"testing"

	"github.com/freekieb7/ember/test"
)

func TestRegistry(t *testing.T) {
	registry := NewRegistry()

	a := newConn(10, "127.0.0.1:1000", 1024)
	b := newConn(11, "127.0.0.1:1001", 1024)
	registry.Insert(a)
	registry.Insert(b)
	test.AssertEqual(t, 2, registry.Len())

	found, ok := registry.Lookup(10)
	test.AssertTrue(t, ok, "lookup of inserted connection")
	test.AssertEqual(t, a, found)

	seen := 0
	registry.Range(func(conn *Conn) bool {
		seen++
		return true
	})
	test.AssertEqual(t, 2, seen)

	registry.Remove(10)
	_, ok = registry.Lookup(10)
	test.AssertTrue(t, !ok, "removed connection is gone")
	test.AssertEqual(t, 1, registry.Len())
}

func TestConnTransfer(t *testing.T) {
	conn := newConn(3, "127.0.0.1:1", 1024)

	test.AssertTrue(t, conn.transfer(ownerReactor, ownerWorker), "reactor hands to worker")
	test.AssertTrue(t, !conn.transfer(ownerReactor, ownerWorker), "second claim fails")
	test.AssertTrue(t, conn.transfer(ownerWorker, ownerReactor), "worker hands back")
	test.AssertEqual(t, StateAccepted, conn.State())
}

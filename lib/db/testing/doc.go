// Package testing provides standardised tests and benchmarks for
// storage engines that satisfy the db.KVDB interface.
//
// The package contains:
//   - testing: A test suite validating the KVDB contract (return codes, handle
//     registration, snapshot isolation, reset, diagnostics, concurrent workers)
//   - benchmark: Performance tests for the common operations, with one registered
//     handle per parallel goroutine
//
// Example usage:
//
//	// Creating a factory function for your implementation
//	factory := func() db.KVDB {
//		return NewMyDatabase()
//	}
//
//	// Running the standard test suite
//	dbtesting.RunKVDBTests(t, "MyDatabase", factory)
//
//	// Running performance benchmarks
//	dbtesting.RunKVDBBenchmarks(b, "MyDatabase", factory)
package testing

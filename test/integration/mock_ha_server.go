// Package integration runs the whole emulator (configuration, registry,
// supervisor, endpoints and real drivers) against fake backends.
package integration

import (
	"wemoemu/pkg/testutil"
)

// Type aliases so scenarios read without the testutil prefix
type MockHAServer = testutil.MockHAServer
type ServiceCall = testutil.ServiceCall

var NewMockHAServer = testutil.NewMockHAServer

var FilterServiceCalls = testutil.FilterServiceCalls
var FindServiceCallWithEntityID = testutil.FindServiceCallWithEntityID

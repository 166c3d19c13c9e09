// Package core contains the gateway domain contracts and entities: credentials,
// webhook events, the failure taxonomy and configuration. Lower-level adapters
// depend on this package; core must not depend on transport or storage
// adapters.
package core

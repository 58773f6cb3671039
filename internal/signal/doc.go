// Package signal provides the perception boundary for Vantage.
// It defines the Signal and AccountState models, the Service (idempotent
// creation, status transitions, TTL expiry, replay verification), the Store
// interface (atomic signal + account index persistence), and the Detector
// capability that turns evidence into candidate signals.
package signal

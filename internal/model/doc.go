// Package model defines the shared data types passed between the gateway
// connection, the aggregators and the session/trigger layers.
//
// Conventions:
//   - Field values are typed (Value), never opaque maps.
//   - A numeric value of -1 or a missing value means "no data" and never
//     reaches a Snapshot.
//   - Quantities and prices on order descriptors are decimal.Decimal.
//   - Timestamps are time.Time; zero means "not provided".
package model

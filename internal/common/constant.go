// Package common contains shared constants and sentinel errors used across
// RecordSync components.
package common

// AuthorizationHeaderName is the HTTP header carrying the access token on
// requests to the relay.
const AuthorizationHeaderName = "Authorization"

// BearerPrefix is the scheme prefix expected in the authorization header.
const BearerPrefix = "Bearer "

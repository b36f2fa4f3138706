// Package util provides common utility functions used across the issuer.
//
// Key utilities:
//   - SafeTruncate: Safely truncates strings for logging sensitive data
//   - TokenPrefix: The loggable prefix of a token value
package util

// Package describe maps raw addresses back to "module:symbol+offset"
// descriptions.
package describe

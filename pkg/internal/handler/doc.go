// Package handler adapts typed job functions to the raw form the queue stores.
//
// This package is internal and should not be imported directly.
package handler

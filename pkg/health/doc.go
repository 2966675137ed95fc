// Package health implements the HTTP checker that drives a container
// binding's running -> healthy transition.
package health

// Package registry keeps the named driver instances of an engine. A name is
// bound to exactly one initialized driver until it is removed; registering
// the same name again returns the existing driver.
package registry

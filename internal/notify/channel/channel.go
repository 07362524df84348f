// Package channel names and validates broadcast channels.
package channel

import "strings"

// Fixed channels.
const (
	Global          = "global"
	Products        = "products"
	Dashboard       = "dashboard"
	Alerts          = "alerts"
	Orders          = "orders"
	Inventory       = "inventory"
	Recommendations = "recommendations"
	System          = "system"
)

// Entity-scoped prefixes: product.<id>, user.<id>.
const (
	ProductPrefix = "product."
	UserPrefix    = "user."
)

var allowList = map[string]struct{}{
	Global:          {},
	Products:        {},
	Dashboard:       {},
	Alerts:          {},
	Orders:          {},
	Inventory:       {},
	Recommendations: {},
	System:          {},
}

// IsValid reports whether name may be joined.
func IsValid(name string) bool {
	if _, ok := allowList[name]; ok {
		return true
	}
	return scoped(name, ProductPrefix) || scoped(name, UserPrefix)
}

func scoped(name, prefix string) bool {
	return strings.HasPrefix(name, prefix) && len(name) > len(prefix)
}

func Product(id string) string { return ProductPrefix + id }

func User(id string) string { return UserPrefix + id }

// Defaults 认证成功后自动加入的频道，顺序固定
func Defaults(userID string) []string {
	return []string{Global, Dashboard, User(userID)}
}

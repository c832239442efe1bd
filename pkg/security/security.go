// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package security gates access to stored aggregates behind explicit permission checks.
package security

import (
	"fmt"
	"sync"
)

type Permission string

const (
	PermissionAddModel     Permission = "ADD_MODEL"
	PermissionViewModel    Permission = "VIEW_MODEL"
	PermissionUpdateModel  Permission = "UPDATE_MODEL"
	PermissionInstantiate  Permission = "INSTANTIATE"
	PermissionViewInstance Permission = "VIEW_INSTANCE"
	PermissionUpdate       Permission = "UPDATE"
	PermissionCancel       Permission = "CANCEL"
	PermissionCancelAll    Permission = "CANCEL_ALL"
	PermissionTickle       Permission = "TICKLE"
	PermissionRemove       Permission = "REMOVE"
)

type Principal interface {
	Name() string
}

type principal string

func (p principal) Name() string {
	return string(p)
}

func NewPrincipal(name string) Principal {
	return principal(name)
}

// Owned is implemented by targets that know the name of their owner.
type Owned interface {
	OwnerName() string
}

type Provider interface {
	// EnsurePermission returns an AuthorizationError when principal may not use permission on target.
	// target may be nil for permissions that are not tied to an object.
	EnsurePermission(permission Permission, principal Principal, target any) error
	HasPermission(permission Permission, principal Principal, target any) bool
}

type AuthorizationError struct {
	Permission Permission
	Principal  string
	Target     string
}

func (e *AuthorizationError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("principal %q lacks permission %s", e.Principal, e.Permission)
	}
	return fmt.Sprintf("principal %q lacks permission %s on %s", e.Principal, e.Permission, e.Target)
}

func newAuthorizationError(permission Permission, p Principal, target any) *AuthorizationError {
	err := &AuthorizationError{Permission: permission, Principal: principalName(p)}
	if target != nil {
		err.Target = describe(target)
	}
	return err
}

func describe(target any) string {
	if s, ok := target.(fmt.Stringer); ok {
		return s.String()
	}
	if o, ok := target.(Owned); ok {
		return fmt.Sprintf("object owned by %q", o.OwnerName())
	}
	return fmt.Sprintf("%T", target)
}

func principalName(p Principal) string {
	if p == nil {
		return ""
	}
	return p.Name()
}

type permissive struct{}

// Permissive allows everything.
var Permissive Provider = permissive{}

func (permissive) EnsurePermission(Permission, Principal, any) error {
	return nil
}

func (permissive) HasPermission(Permission, Principal, any) bool {
	return true
}

// OwnerProvider grants every permission to administrators and to the owner of an Owned target.
// Other principals need an explicit grant.
type OwnerProvider struct {
	mu     sync.RWMutex
	admins map[string]bool
	grants map[string]map[Permission]bool
}

var _ Provider = &OwnerProvider{}

func NewOwnerProvider(admins ...string) *OwnerProvider {
	p := &OwnerProvider{
		admins: map[string]bool{},
		grants: map[string]map[Permission]bool{},
	}
	for _, a := range admins {
		p.admins[a] = true
	}
	return p
}

// Grant allows principal to use permission on any target.
func (p *OwnerProvider) Grant(principal string, permissions ...Permission) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.grants[principal]
	if !ok {
		g = map[Permission]bool{}
		p.grants[principal] = g
	}
	for _, perm := range permissions {
		g[perm] = true
	}
}

func (p *OwnerProvider) Revoke(principal string, permissions ...Permission) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, perm := range permissions {
		delete(p.grants[principal], perm)
	}
}

func (p *OwnerProvider) HasPermission(permission Permission, principal Principal, target any) bool {
	if principal == nil {
		return false
	}
	name := principal.Name()
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.admins[name] || p.grants[name][permission] {
		return true
	}
	if o, ok := target.(Owned); ok && o.OwnerName() != "" {
		return o.OwnerName() == name
	}
	return false
}

func (p *OwnerProvider) EnsurePermission(permission Permission, principal Principal, target any) error {
	if p.HasPermission(permission, principal, target) {
		return nil
	}
	return newAuthorizationError(permission, principal, target)
}

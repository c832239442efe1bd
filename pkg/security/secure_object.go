package security

// SecureObject hides a value until a permission check succeeds.
type SecureObject[T any] struct {
	value T
	owner string
}

func Secure[T any](value T, owner string) SecureObject[T] {
	return SecureObject[T]{value: value, owner: owner}
}

func (o SecureObject[T]) OwnerName() string {
	return o.owner
}

// WithPermission returns the wrapped value if provider grants permission to principal.
func (o SecureObject[T]) WithPermission(provider Provider, permission Permission, principal Principal) (T, error) {
	if err := provider.EnsurePermission(permission, principal, o); err != nil {
		var zero T
		return zero, err
	}
	return o.value, nil
}

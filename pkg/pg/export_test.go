package pg

import "github.com/google/uuid"

// TenantLockKeyForTest exposes the lock key derivation for tests.
func TenantLockKeyForTest(id uuid.UUID) int64 { return tenantLockKey(id) }

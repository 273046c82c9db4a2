package service

const (
	RoleBuyer  = "buyer"
	RoleVendor = "vendor"
	RoleAdmin  = "admin"
)

// Caller is the authenticated identity behind a request.
type Caller struct {
	ID   int64
	Role string
}

func (c Caller) IsAdmin() bool {
	return c.Role == RoleAdmin
}

func pageBounds(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}

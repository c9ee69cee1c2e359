// Package rolerouter decides where a user lands once authentication settled.
package rolerouter

import (
	"whatsgonow/pkg/authgate"
	"whatsgonow/pkg/domain"
)

type Route string

const (
	RouteSenderDashboard Route = "/dashboard/sender"
	RouteDriverDashboard Route = "/dashboard/driver"
	RouteCMDashboard     Route = "/dashboard/cm"
	RouteAdminDashboard  Route = "/dashboard/admin"
	RouteProfile         Route = "/profile"
	RouteLogin           Route = "/login"
)

var roleRoutes = map[domain.Role]Route{
	domain.RoleSenderPrivate:  RouteSenderDashboard,
	domain.RoleSenderBusiness: RouteSenderDashboard,
	domain.RoleDriver:         RouteDriverDashboard,
	domain.RoleCM:             RouteCMDashboard,
	domain.RoleAdmin:          RouteAdminDashboard,
	domain.RoleAdminLimited:   RouteAdminDashboard,
}

// Decide maps a role to its dashboard. Unknown and empty roles land on the
// profile page.
func Decide(role domain.Role) Route {
	if route, ok := roleRoutes[role]; ok {
		return route
	}
	return RouteProfile
}

// Resolve returns false while the gate is not ready. A ready state without a
// profile always goes to the login page, before any role lookup.
func Resolve(st authgate.State) (Route, bool) {
	if !st.IsReady {
		return "", false
	}
	if st.Profile == nil {
		return RouteLogin, true
	}
	return Decide(st.Profile.Role), true
}

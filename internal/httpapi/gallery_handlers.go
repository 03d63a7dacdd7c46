package httpapi

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"gallery.dev/internal/auth"
	"gallery.dev/internal/store"
)

// routeContent wires collections, exhibits, cards and articles.
func (a *API) routeContent() {
	g := a.Gallery
	m := a.mux

	m.HandleFunc("GET /v1/collections", func(w http.ResponseWriter, r *http.Request) {
		items, err := g.ListCollections(r.Context())
		list(w, r, items, err)
	})
	m.HandleFunc("POST /v1/collections", func(w http.ResponseWriter, r *http.Request) {
		in, ok := body[store.Collection](w, r)
		if !ok {
			return
		}
		out, err := g.CreateCollection(r.Context(), in)
		respond(w, r, http.StatusCreated, out, err)
	})
	m.HandleFunc("GET /v1/collections/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		out, err := g.GetCollection(r.Context(), id)
		respond(w, r, http.StatusOK, out, err)
	})
	m.HandleFunc("PUT /v1/collections/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		in, ok := body[store.Collection](w, r)
		if !ok {
			return
		}
		in.ID = id
		out, err := g.UpdateCollection(r.Context(), in)
		respond(w, r, http.StatusOK, out, err)
	})
	m.HandleFunc("DELETE /v1/collections/{id}", deleteBy(g.DeleteCollection))

	m.HandleFunc("GET /v1/collections/{id}/cards", listBy(g.ListCards))
	m.HandleFunc("POST /v1/collections/{id}/cards", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		in, ok := body[store.Card](w, r)
		if !ok {
			return
		}
		in.ID, in.CollectionID = uuid.Nil, id
		out, err := g.SaveCard(r.Context(), in)
		respond(w, r, http.StatusCreated, out, err)
	})
	m.HandleFunc("PUT /v1/cards/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		in, ok := body[store.Card](w, r)
		if !ok {
			return
		}
		in.ID = id
		out, err := g.SaveCard(r.Context(), in)
		respond(w, r, http.StatusOK, out, err)
	})
	m.HandleFunc("DELETE /v1/cards/{id}", deleteBy(g.DeleteCard))

	m.HandleFunc("GET /v1/collections/{id}/articles", listBy(g.ListArticles))
	m.HandleFunc("POST /v1/collections/{id}/articles", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		in, ok := body[store.Article](w, r)
		if !ok {
			return
		}
		in.ID, in.CollectionID = uuid.Nil, id
		out, err := g.SaveArticle(r.Context(), in)
		respond(w, r, http.StatusCreated, out, err)
	})
	m.HandleFunc("PUT /v1/articles/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		in, ok := body[store.Article](w, r)
		if !ok {
			return
		}
		in.ID = id
		out, err := g.SaveArticle(r.Context(), in)
		respond(w, r, http.StatusOK, out, err)
	})
	m.HandleFunc("DELETE /v1/articles/{id}", deleteBy(g.DeleteArticle))

	m.HandleFunc("GET /v1/collections/{id}/memberships", listBy(g.ListCollectionMemberships))
	m.HandleFunc("POST /v1/collections/{id}/memberships", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		in, ok := body[store.CollectionMembership](w, r)
		if !ok {
			return
		}
		in.CollectionID = id
		out, err := g.AddCollectionMembership(r.Context(), in)
		respond(w, r, http.StatusCreated, out, err)
	})
	m.HandleFunc("DELETE /v1/collection-memberships/{id}", deleteBy(g.RemoveCollectionMembership))

	m.HandleFunc("GET /v1/exhibits", func(w http.ResponseWriter, r *http.Request) {
		items, err := g.ListExhibits(r.Context())
		list(w, r, items, err)
	})
	m.HandleFunc("POST /v1/exhibits", func(w http.ResponseWriter, r *http.Request) {
		in, ok := body[store.Exhibit](w, r)
		if !ok {
			return
		}
		out, err := g.CreateExhibit(r.Context(), in)
		respond(w, r, http.StatusCreated, out, err)
	})
	m.HandleFunc("GET /v1/exhibits/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		out, err := g.GetExhibit(r.Context(), id)
		respond(w, r, http.StatusOK, out, err)
	})
	m.HandleFunc("PUT /v1/exhibits/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		in, ok := body[store.Exhibit](w, r)
		if !ok {
			return
		}
		in.ID = id
		out, err := g.UpdateExhibit(r.Context(), in)
		respond(w, r, http.StatusOK, out, err)
	})
	m.HandleFunc("DELETE /v1/exhibits/{id}", deleteBy(g.DeleteExhibit))

	m.HandleFunc("GET /v1/exhibits/{id}/memberships", listBy(g.ListExhibitMemberships))
	m.HandleFunc("POST /v1/exhibits/{id}/memberships", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		in, ok := body[store.ExhibitMembership](w, r)
		if !ok {
			return
		}
		in.ExhibitID = id
		out, err := g.AddExhibitMembership(r.Context(), in)
		respond(w, r, http.StatusCreated, out, err)
	})
	m.HandleFunc("DELETE /v1/exhibit-memberships/{id}", deleteBy(g.RemoveExhibitMembership))
}

type releaseRequest struct {
	Move   int `json:"move"`
	Inject int `json:"inject"`
}

type readRequest struct {
	IsRead bool `json:"isRead"`
}

type teamUserUpdate struct {
	RoleID     uuid.NullUUID `json:"roleId"`
	IsObserver bool          `json:"isObserver"`
}

// routeTeams wires teams, their users and cards, and article release.
func (a *API) routeTeams() {
	g := a.Gallery
	m := a.mux

	m.HandleFunc("GET /v1/exhibits/{id}/teams", listBy(g.ListTeams))
	m.HandleFunc("POST /v1/exhibits/{id}/teams", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		in, ok := body[store.Team](w, r)
		if !ok {
			return
		}
		in.ExhibitID = id
		out, err := g.CreateTeam(r.Context(), in)
		respond(w, r, http.StatusCreated, out, err)
	})
	m.HandleFunc("PUT /v1/teams/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		in, ok := body[store.Team](w, r)
		if !ok {
			return
		}
		in.ID = id
		out, err := g.UpdateTeam(r.Context(), in)
		respond(w, r, http.StatusOK, out, err)
	})
	m.HandleFunc("DELETE /v1/teams/{id}", deleteBy(g.DeleteTeam))

	m.HandleFunc("GET /v1/teams/{id}/users", listBy(g.ListTeamUsers))
	m.HandleFunc("POST /v1/teams/{id}/users", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		in, ok := body[store.TeamUser](w, r)
		if !ok {
			return
		}
		in.TeamID = id
		out, err := g.AddTeamUser(r.Context(), in)
		respond(w, r, http.StatusCreated, out, err)
	})
	m.HandleFunc("PUT /v1/team-users/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		in, ok := body[teamUserUpdate](w, r)
		if !ok {
			return
		}
		out, err := g.UpdateTeamUser(r.Context(), id, in.RoleID, in.IsObserver)
		respond(w, r, http.StatusOK, out, err)
	})
	m.HandleFunc("DELETE /v1/team-users/{id}", deleteBy(g.RemoveTeamUser))

	m.HandleFunc("GET /v1/teams/{id}/cards", listBy(g.ListTeamCards))
	m.HandleFunc("POST /v1/teams/{id}/cards", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		in, ok := body[store.TeamCard](w, r)
		if !ok {
			return
		}
		in.ID, in.TeamID = uuid.Nil, id
		out, err := g.SaveTeamCard(r.Context(), in)
		respond(w, r, http.StatusCreated, out, err)
	})
	m.HandleFunc("PUT /v1/team-cards/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		in, ok := body[store.TeamCard](w, r)
		if !ok {
			return
		}
		in.ID = id
		out, err := g.SaveTeamCard(r.Context(), in)
		respond(w, r, http.StatusOK, out, err)
	})
	m.HandleFunc("DELETE /v1/team-cards/{id}", deleteBy(g.DeleteTeamCard))

	m.HandleFunc("POST /v1/exhibits/{id}/release", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		in, ok := body[releaseRequest](w, r)
		if !ok {
			return
		}
		n, err := g.ReleaseArticles(r.Context(), id, in.Move, in.Inject)
		respond(w, r, http.StatusOK, map[string]any{"released": n}, err)
	})
	m.HandleFunc("GET /v1/exhibits/{id}/my-articles", listBy(g.MyArticles))
	m.HandleFunc("PUT /v1/user-articles/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		in, ok := body[readRequest](w, r)
		if !ok {
			return
		}
		out, err := g.SetArticleRead(r.Context(), id, in.IsRead)
		respond(w, r, http.StatusOK, out, err)
	})
}

type createUserRequest struct {
	Name     string        `json:"name"`
	Email    string        `json:"email"`
	Password string        `json:"password"`
	RoleID   uuid.NullUUID `json:"roleId"`
}

type roleRequest struct {
	RoleID uuid.NullUUID `json:"roleId"`
}

type permissionRequest struct {
	Permission auth.SystemPermission `json:"permission"`
}

type memberRequest struct {
	UserID uuid.UUID `json:"userId"`
}

// routeAccess wires users, permissions, roles and groups.
func (a *API) routeAccess() {
	g := a.Gallery
	m := a.mux

	m.HandleFunc("GET /v1/users", func(w http.ResponseWriter, r *http.Request) {
		items, err := g.ListUsers(r.Context())
		list(w, r, items, err)
	})
	m.HandleFunc("POST /v1/users", func(w http.ResponseWriter, r *http.Request) {
		in, ok := body[createUserRequest](w, r)
		if !ok {
			return
		}
		out, err := g.CreateUser(r.Context(), store.User{Name: in.Name, Email: in.Email, RoleID: in.RoleID}, in.Password)
		respond(w, r, http.StatusCreated, out, err)
	})
	m.HandleFunc("GET /v1/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		out, err := g.GetUser(r.Context(), id)
		respond(w, r, http.StatusOK, out, err)
	})
	m.HandleFunc("DELETE /v1/users/{id}", deleteBy(g.DeleteUser))
	m.HandleFunc("PUT /v1/users/{id}/role", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		in, ok := body[roleRequest](w, r)
		if !ok {
			return
		}
		respond(w, r, http.StatusNoContent, nil, g.SetUserRole(r.Context(), id, in.RoleID))
	})
	m.HandleFunc("GET /v1/users/{id}/permissions", listBy(g.ListUserPermissions))
	m.HandleFunc("POST /v1/users/{id}/permissions", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		in, ok := body[permissionRequest](w, r)
		if !ok {
			return
		}
		out, err := g.GrantPermission(r.Context(), id, in.Permission)
		respond(w, r, http.StatusOK, out, err)
	})
	m.HandleFunc("DELETE /v1/users/{id}/permissions/{permission}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		perm := auth.SystemPermission(r.PathValue("permission"))
		respond(w, r, http.StatusNoContent, nil, g.RevokePermission(r.Context(), id, perm))
	})

	m.HandleFunc("GET /v1/roles", func(w http.ResponseWriter, r *http.Request) {
		items, err := g.ListRoles(r.Context())
		list(w, r, items, err)
	})
	m.HandleFunc("POST /v1/roles", func(w http.ResponseWriter, r *http.Request) {
		in, ok := body[store.Role](w, r)
		if !ok {
			return
		}
		in.ID = uuid.Nil
		out, err := g.SaveRole(r.Context(), in)
		respond(w, r, http.StatusCreated, out, err)
	})
	m.HandleFunc("PUT /v1/roles/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		in, ok := body[store.Role](w, r)
		if !ok {
			return
		}
		in.ID = id
		out, err := g.SaveRole(r.Context(), in)
		respond(w, r, http.StatusOK, out, err)
	})
	m.HandleFunc("DELETE /v1/roles/{id}", deleteBy(g.DeleteRole))

	m.HandleFunc("GET /v1/groups", func(w http.ResponseWriter, r *http.Request) {
		items, err := g.ListGroups(r.Context())
		list(w, r, items, err)
	})
	m.HandleFunc("POST /v1/groups", func(w http.ResponseWriter, r *http.Request) {
		in, ok := body[store.Group](w, r)
		if !ok {
			return
		}
		in.ID = uuid.Nil
		out, err := g.SaveGroup(r.Context(), in)
		respond(w, r, http.StatusCreated, out, err)
	})
	m.HandleFunc("PUT /v1/groups/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		in, ok := body[store.Group](w, r)
		if !ok {
			return
		}
		in.ID = id
		out, err := g.SaveGroup(r.Context(), in)
		respond(w, r, http.StatusOK, out, err)
	})
	m.HandleFunc("DELETE /v1/groups/{id}", deleteBy(g.DeleteGroup))
	m.HandleFunc("GET /v1/groups/{id}/members", listBy(g.ListGroupMembers))
	m.HandleFunc("POST /v1/groups/{id}/members", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		in, ok := body[memberRequest](w, r)
		if !ok {
			return
		}
		out, err := g.AddGroupMember(r.Context(), id, in.UserID)
		respond(w, r, http.StatusCreated, out, err)
	})
	m.HandleFunc("DELETE /v1/group-members/{id}", deleteBy(g.RemoveGroupMember))
}

func deleteBy(fn func(ctx context.Context, id uuid.UUID) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		respond(w, r, http.StatusNoContent, nil, fn(r.Context(), id))
	}
}

// listBy serves the children of the resource named by the {id} wildcard.
func listBy[T any](fn func(ctx context.Context, id uuid.UUID) ([]T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		items, err := fn(r.Context(), id)
		list(w, r, items, err)
	}
}

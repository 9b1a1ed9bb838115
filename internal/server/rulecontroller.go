package server

import (
	"encoding/json"
	"net/http"

	"github.com/devproxy/devproxy/internal/models"
	"github.com/devproxy/devproxy/internal/rulestore"
	"github.com/devproxy/devproxy/internal/util"
	"github.com/gorilla/mux"
)

// ruleController wires a rulestore.Store[T] to the uniform CRUD surface
// every rule family exposes on the wire: list, create, get, replace,
// delete, toggle. Each family registers one instance under its own
// path prefix; family-specific extras (rate-limit reset, latency
// stats) are registered separately by the caller.
type ruleController[T models.Identified] struct {
	store   *rulestore.Store[T]
	newZero func() T
	logger  *util.Logger
}

func newRuleController[T models.Identified](store *rulestore.Store[T], newZero func() T, logger *util.Logger) *ruleController[T] {
	return &ruleController[T]{store: store, newZero: newZero, logger: logger}
}

func (c *ruleController[T]) list(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": c.store.ListAll()})
}

func (c *ruleController[T]) create(w http.ResponseWriter, r *http.Request) {
	rule := c.newZero()
	if err := json.NewDecoder(r.Body).Decode(rule); err != nil {
		writeErr(w, util.NewError(util.ValidationFailed, "invalid request body", err.Error()))
		return
	}
	created, err := c.store.Insert(rule)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (c *ruleController[T]) get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rule, err := c.store.Get(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (c *ruleController[T]) replace(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rule := c.newZero()
	if err := json.NewDecoder(r.Body).Decode(rule); err != nil {
		writeErr(w, util.NewError(util.ValidationFailed, "invalid request body", err.Error()))
		return
	}
	updated, err := c.store.Replace(id, rule)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (c *ruleController[T]) delete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := c.store.Delete(id); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (c *ruleController[T]) toggle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rule, err := c.store.Toggle(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// register mounts the uniform CRUD routes under prefix (e.g. "/api/mocks").
func (c *ruleController[T]) register(router *mux.Router, prefix string) {
	router.HandleFunc(prefix, c.list).Methods("GET")
	router.HandleFunc(prefix, c.create).Methods("POST")
	router.HandleFunc(prefix+"/{id}", c.get).Methods("GET")
	router.HandleFunc(prefix+"/{id}", c.replace).Methods("PUT")
	router.HandleFunc(prefix+"/{id}", c.delete).Methods("DELETE")
	router.HandleFunc(prefix+"/{id}/toggle", c.toggle).Methods("POST")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	if e, ok := util.AsError(err); ok {
		writeJSON(w, e.HTTPStatus(), map[string]string{"error": e.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

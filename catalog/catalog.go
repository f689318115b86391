// Package catalog assembles the Relay API operations exposed over MCP.
package catalog

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ggoodman/relay-mcp/backend"
	"github.com/ggoodman/relay-mcp/internal/jsonrpc"
	"github.com/ggoodman/relay-mcp/mcp"
	"github.com/ggoodman/relay-mcp/operations"
)

// Operations returns the full, ordered operation list.
func Operations() []operations.Descriptor {
	return []operations.Descriptor{
		operations.New("get_account", getAccount,
			operations.WithTitle("Get account"),
			operations.WithDescription("Return the Relay account that owns the API key, including plan and usage."),
			operations.WithTier(operations.TierMinimal),
			operations.ReadOnly(),
		),
		operations.New("list_contacts", listContacts,
			operations.WithTitle("List contacts"),
			operations.WithDescription("List contacts, newest first. Supports pagination and filtering by email."),
			operations.WithTier(operations.TierMinimal),
			operations.ReadOnly(),
		),
		operations.New("send_message", sendMessage,
			operations.WithTitle("Send message"),
			operations.WithDescription("Send an email message from a verified domain to one or more recipients."),
			operations.WithTier(operations.TierMinimal),
		),
		operations.New("get_contact", getContact,
			operations.WithTitle("Get contact"),
			operations.WithDescription("Fetch a single contact by id."),
			operations.ReadOnly(),
		),
		operations.New("create_contact", createContact,
			operations.WithTitle("Create contact"),
			operations.WithDescription("Create a contact. Fails if the email already exists."),
		),
		operations.New("update_contact", updateContact,
			operations.WithTitle("Update contact"),
			operations.WithDescription("Update fields of an existing contact. Omitted fields are left unchanged."),
			operations.Idempotent(),
		),
		operations.New("delete_contact", deleteContact,
			operations.WithTitle("Delete contact"),
			operations.WithDescription("Permanently delete a contact by id."),
			operations.Destructive(),
			operations.Idempotent(),
		),
		operations.New("get_message", getMessage,
			operations.WithTitle("Get message"),
			operations.WithDescription("Fetch a sent message and its delivery status by id."),
			operations.ReadOnly(),
		),
		operations.New("list_domains", listDomains,
			operations.WithTitle("List domains"),
			operations.WithDescription("List sending domains and their verification status."),
			operations.ReadOnly(),
		),
	}
}

// Registry builds the operation registry for tier.
func Registry(tier operations.Tier) (*operations.Registry, error) {
	return operations.NewRegistry(tier, Operations()...)
}

type noArgs struct{}

type listArgs struct {
	Limit  int `json:"limit,omitempty" jsonschema:"description=Maximum number of items to return,minimum=1,maximum=100"`
	Offset int `json:"offset,omitempty" jsonschema:"description=Number of items to skip,minimum=0"`
}

func (a listArgs) query() url.Values {
	q := url.Values{}
	if a.Limit > 0 {
		q.Set("limit", strconv.Itoa(a.Limit))
	}
	if a.Offset > 0 {
		q.Set("offset", strconv.Itoa(a.Offset))
	}
	return q
}

type idArgs struct {
	ID string `json:"id" jsonschema:"description=Resource id"`
}

type listContactsArgs struct {
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Maximum number of items to return,minimum=1,maximum=100"`
	Offset int    `json:"offset,omitempty" jsonschema:"description=Number of items to skip,minimum=0"`
	Email  string `json:"email,omitempty" jsonschema:"description=Only return contacts with this email address"`
}

type createContactArgs struct {
	Email      string            `json:"email" jsonschema:"description=Contact email address,format=email"`
	FirstName  string            `json:"first_name,omitempty" jsonschema:"description=Given name"`
	LastName   string            `json:"last_name,omitempty" jsonschema:"description=Family name"`
	Subscribed *bool             `json:"subscribed,omitempty" jsonschema:"description=Whether the contact receives broadcasts"`
	Attributes map[string]string `json:"attributes,omitempty" jsonschema:"description=Custom attributes"`
}

type updateContactArgs struct {
	ID         string            `json:"id" jsonschema:"description=Contact id"`
	Email      string            `json:"email,omitempty" jsonschema:"description=New email address,format=email"`
	FirstName  string            `json:"first_name,omitempty" jsonschema:"description=Given name"`
	LastName   string            `json:"last_name,omitempty" jsonschema:"description=Family name"`
	Subscribed *bool             `json:"subscribed,omitempty" jsonschema:"description=Whether the contact receives broadcasts"`
	Attributes map[string]string `json:"attributes,omitempty" jsonschema:"description=Custom attributes"`
}

type sendMessageArgs struct {
	From    string   `json:"from" jsonschema:"description=Sender address on a verified domain"`
	To      []string `json:"to" jsonschema:"description=Recipient addresses"`
	Subject string   `json:"subject" jsonschema:"description=Subject line"`
	Text    string   `json:"text,omitempty" jsonschema:"description=Plain text body"`
	HTML    string   `json:"html,omitempty" jsonschema:"description=HTML body"`
	ReplyTo string   `json:"reply_to,omitempty" jsonschema:"description=Reply-To address"`
}

func getAccount(ctx context.Context, call *operations.Call, _ noArgs) (*mcp.CallToolResult, error) {
	return fetch(ctx, call, backend.Request{Method: http.MethodGet, Path: "/v1/account"})
}

func listContacts(ctx context.Context, call *operations.Call, args listContactsArgs) (*mcp.CallToolResult, error) {
	q := listArgs{Limit: args.Limit, Offset: args.Offset}.query()
	if args.Email != "" {
		q.Set("email", args.Email)
	}
	return fetch(ctx, call, backend.Request{Method: http.MethodGet, Path: "/v1/contacts", Query: q})
}

// resourcePath joins collection and id. Ids that would resolve to another
// path once cleaned are rejected before any request is made.
func resourcePath(collection, id string) (string, error) {
	switch {
	case strings.TrimSpace(id) == "":
		return "", jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "invalid arguments: id must not be empty")
	case id == "." || id == ".." || strings.ContainsAny(id, "/\\"):
		return "", jsonrpc.Errorf(jsonrpc.ErrorCodeInvalidParams, "invalid arguments: id %q is not a resource id", id)
	}
	return collection + "/" + url.PathEscape(id), nil
}

func getContact(ctx context.Context, call *operations.Call, args idArgs) (*mcp.CallToolResult, error) {
	p, err := resourcePath("/v1/contacts", args.ID)
	if err != nil {
		return nil, err
	}
	return fetch(ctx, call, backend.Request{Method: http.MethodGet, Path: p})
}

func createContact(ctx context.Context, call *operations.Call, args createContactArgs) (*mcp.CallToolResult, error) {
	return fetch(ctx, call, backend.Request{Method: http.MethodPost, Path: "/v1/contacts", Body: args})
}

func updateContact(ctx context.Context, call *operations.Call, args updateContactArgs) (*mcp.CallToolResult, error) {
	p, err := resourcePath("/v1/contacts", args.ID)
	if err != nil {
		return nil, err
	}
	patch := map[string]any{}
	if args.Email != "" {
		patch["email"] = args.Email
	}
	if args.FirstName != "" {
		patch["first_name"] = args.FirstName
	}
	if args.LastName != "" {
		patch["last_name"] = args.LastName
	}
	if args.Subscribed != nil {
		patch["subscribed"] = *args.Subscribed
	}
	if len(args.Attributes) > 0 {
		patch["attributes"] = args.Attributes
	}
	if len(patch) == 0 {
		return operations.Errorf("nothing to update: provide at least one field besides id"), nil
	}
	return fetch(ctx, call, backend.Request{Method: http.MethodPatch, Path: p, Body: patch})
}

func deleteContact(ctx context.Context, call *operations.Call, args idArgs) (*mcp.CallToolResult, error) {
	p, err := resourcePath("/v1/contacts", args.ID)
	if err != nil {
		return nil, err
	}
	if err := call.Client.Do(ctx, backend.Request{
		Method: http.MethodDelete,
		Path:   p,
		Header: call.Headers,
	}, nil); err != nil {
		if backend.IsNotFound(err) {
			return operations.TextResult("contact " + args.ID + " does not exist"), nil
		}
		return nil, err
	}
	return operations.TextResult("deleted contact " + args.ID), nil
}

func sendMessage(ctx context.Context, call *operations.Call, args sendMessageArgs) (*mcp.CallToolResult, error) {
	if args.Text == "" && args.HTML == "" {
		return operations.Errorf("either text or html is required"), nil
	}
	if len(args.To) == 0 {
		return operations.Errorf("at least one recipient is required"), nil
	}
	return fetch(ctx, call, backend.Request{Method: http.MethodPost, Path: "/v1/messages", Body: args})
}

func getMessage(ctx context.Context, call *operations.Call, args idArgs) (*mcp.CallToolResult, error) {
	p, err := resourcePath("/v1/messages", args.ID)
	if err != nil {
		return nil, err
	}
	return fetch(ctx, call, backend.Request{Method: http.MethodGet, Path: p})
}

func listDomains(ctx context.Context, call *operations.Call, args listArgs) (*mcp.CallToolResult, error) {
	return fetch(ctx, call, backend.Request{Method: http.MethodGet, Path: "/v1/domains", Query: args.query()})
}

func fetch(ctx context.Context, call *operations.Call, req backend.Request) (*mcp.CallToolResult, error) {
	req.Header = call.Headers
	var out any
	if err := call.Client.Do(ctx, req, &out); err != nil {
		return nil, err
	}
	if out == nil {
		return operations.TextResult("ok"), nil
	}
	return operations.JSONResult(out)
}

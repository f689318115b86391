// Package operations defines operation descriptors and the tiered registry
// the server lists and dispatches from.
//
// Descriptors are normally built with New, which reflects the argument
// struct into a tool input schema using invopop/jsonschema struct tags:
//
//	type getContactArgs struct {
//	    ID string `json:"id" jsonschema:"required,description=Contact id"`
//	}
//
//	op := operations.New("get_contact", getContact,
//	    operations.WithDescription("Fetch one contact"),
//	    operations.ReadOnly(),
//	)
//
// NewRegistry validates the whole list up front, so a malformed catalog is
// a startup failure rather than a runtime surprise.
package operations

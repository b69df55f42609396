/*
Package client provides a typed Go client for the BuildNet HTTP API.

The client mirrors the server's surface one method per endpoint: builds,
resources, sessions, ledger queries and verification, and the dashboard
snapshot. Error responses carry the server's error envelope; the client
decodes the code back into an errdefs sentinel, so errdefs.IsNotFound and
friends work the same against a remote daemon as in process.

	c := client.New("http://127.0.0.1:8080").WithActor(types.Actor{
		ID:   "ci",
		Kind: types.ActorKindAgent,
	})
	result, err := c.RequestBuild(ctx, []string{"core:main"}, types.BuildOptions{})

WithActor sets the identity headers the server records in the audit ledger
for every mutation.
*/
package client

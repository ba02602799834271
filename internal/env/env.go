// Env package is meant to be used for loading config files
//
// Usage:
//
//	cfg := client.DefaultConfig()
//	if err := env.NewLoader().Load("agvclient", cfg); err != nil {
//		panic(err)
//	}
//
// or, for one explicit file:
//
//	err := env.LoadFile("./agvclient.yaml", cfg)
package env

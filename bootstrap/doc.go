// Package bootstrap authenticates against MongoDB and brings the smart-house
// database to its declared layout. It also holds the command's start-up
// helpers: logger and config initialisation and connection retry.
//
// Usage:
//
//	db, err := bootstrap.InitMongoDB(ctx, cfg, sugar)
//	if err != nil {
//	    return err
//	}
//	defer db.Close(ctx)
//
//	b, err := bootstrap.NewBootstrapper(db, schema.DefaultLayout(), bootstrap.Options{
//	    Database: cfg.MongoDB.Database,
//	    Policy:   cfg.Schema.ExistingPolicy,
//	}, sugar)
//	if err != nil {
//	    return err
//	}
//	report, err := b.Run(ctx)
package bootstrap

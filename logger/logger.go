// Package logger adapts common logging libraries to sdbx.Logger.
//
//	env, _ := sdbx.NewEnv()
//	env.SetLogger(logger.NewZap(zap.NewExample()))
package logger

package main

// General API documentation for swaggo. Run `make swagger-gen` to generate docs.
//
// @title           mlxd API
// @version         1.0
// @description     HTTP API for local model lifecycle and streaming generation.
//
// @contact.name   mlxd maintainers
// @contact.url    https://github.com/your-org/mlxd
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http

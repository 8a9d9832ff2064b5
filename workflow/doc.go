// Package workflow coordinates the conversion pipeline: it drains the
// queue one item at a time, validates and preprocesses the input, runs the
// fallback ladder per target format, and settles each item in a terminal
// status. Pause, resume, cancel, and retry operate through the manager.
package workflow

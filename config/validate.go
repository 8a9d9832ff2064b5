package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateEngine(); err != nil {
		return err
	}
	if err := c.validateLadder(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validatePreprocess(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.StagingDir == "" {
		return errors.New("paths.staging_dir must be set")
	}
	if c.Paths.WorkDir == "" {
		return errors.New("paths.work_dir must be set")
	}
	if c.Paths.LogDir == "" {
		return errors.New("paths.log_dir must be set")
	}
	return nil
}

func (c *Config) validateEngine() error {
	if c.Engine.Version == "" {
		return errors.New("engine.version must be set")
	}
	if c.Engine.DownloadTimeout <= 0 {
		return errors.New("engine.download_timeout must be positive")
	}
	if c.Engine.InitTimeout <= 0 {
		return errors.New("engine.init_timeout must be positive")
	}
	if c.Engine.ExecTimeout <= 0 {
		return errors.New("engine.exec_timeout must be positive")
	}
	return nil
}

func (c *Config) validateLadder() error {
	if len(c.Ladder.Rungs) == 0 {
		return errors.New("ladder.rungs must not be empty")
	}
	if err := validateDescending("ladder.rungs", c.Ladder.Rungs); err != nil {
		return err
	}
	if len(c.Ladder.ConstrainedRungs) > 0 {
		if err := validateDescending("ladder.constrained_rungs", c.Ladder.ConstrainedRungs); err != nil {
			return err
		}
	}
	if c.Ladder.MinDimension <= 0 {
		return errors.New("ladder.min_dimension must be positive")
	}
	if c.Ladder.MinDimension > c.Ladder.Rungs[len(c.Ladder.Rungs)-1] {
		return errors.New("ladder.min_dimension must not exceed the smallest rung")
	}
	return nil
}

func validateDescending(name string, rungs []int) error {
	prev := 0
	for i, rung := range rungs {
		if rung <= 0 {
			return fmt.Errorf("%s[%d] must be positive", name, i)
		}
		if i > 0 && rung >= prev {
			return fmt.Errorf("%s must be strictly descending", name)
		}
		prev = rung
	}
	return nil
}

func (c *Config) validateQueue() error {
	if c.Queue.MaxItems <= 0 {
		return errors.New("queue.max_items must be positive")
	}
	if c.Queue.PollInterval <= 0 {
		return errors.New("queue.poll_interval must be positive")
	}
	return nil
}

func (c *Config) validatePreprocess() error {
	if c.Preprocess.Workers <= 0 {
		return errors.New("preprocess.workers must be positive")
	}
	if c.Preprocess.Quality < 1 || c.Preprocess.Quality > 100 {
		return errors.New("preprocess.quality must be between 1 and 100")
	}
	return nil
}

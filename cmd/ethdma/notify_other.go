//go:build !linux

package main

import "github.com/sirupsen/logrus"

func notifyReady(*logrus.Logger) {}

func notifyStopping(*logrus.Logger) {}

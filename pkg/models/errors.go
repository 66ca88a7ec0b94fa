package models

import "errors"

var (
	// Position errors
	ErrInvalidLatitude  = errors.New("invalid latitude: out of range")
	ErrInvalidLongitude = errors.New("invalid longitude: out of range")

	// Battery errors
	ErrInvalidBatteryPercent = errors.New("invalid battery percentage: must be between 0 and 100")

	// Mission errors
	ErrInvalidWaypointSpeed = errors.New("invalid waypoint speed: must be between 0 and 15 m/s")
	ErrEmptyMission         = errors.New("waypoint mission has no waypoints")

	// Raster errors
	ErrRasterSize = errors.New("raster size does not match rows and cols")

	// Collection errors
	ErrUnknownDrone = errors.New("unknown drone")

	// K8s errors
	ErrK8sClientNotInitialized = errors.New("kubernetes client not initialized")
	ErrCRDUpdateFailed         = errors.New("failed to update CRD")
	ErrCRDNotFound             = errors.New("CRD not found")
)
